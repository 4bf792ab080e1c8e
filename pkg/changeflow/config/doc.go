/*
Package config loads the engine's static configuration.

# Document

The document is read once at start-up and never reloaded during dispatch.
It declares which entities are tracked and which handlers are bound to each
event type:

	defaults:
	  max_retries: 3
	tracking:
	  Client:
	    fields: [assigned_to, status]
	    schema: {assigned_to: id, status: string, name: string, branch: id}
	handlers:
	  Client.assigned_to.UPDATE:
	    - handler: notification
	      condition: "assigned_to != null"
	      notify:
	        type: client_assigned
	        title: New client
	        message: "You have been assigned ${name}"
	        recipients:
	          - field: assigned_to

Load and Parse check the document's shape: unknown keys, malformed recipient
specs, bad scopes. Cross-references (handler names, condition fields) are
checked when the registry compiles the document.

# Handler Config

Each binding's free-form config block is exposed as a Config, which wraps a
map[string]any with typed accessors that return defaults on missing keys or
mismatched types:

	cfg := config.New(binding.Config)
	due := cfg.Duration("due_in", 24*time.Hour)
	kind := cfg.String("activity_type", "note")
*/
package config
