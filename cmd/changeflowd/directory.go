package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/changeflow/pkg/changeflow/recipient"
)

type directoryFile struct {
	Users []struct {
		ID       int64  `yaml:"id"`
		Name     string `yaml:"name"`
		Email    string `yaml:"email"`
		Role     string `yaml:"role"`
		BranchID *int64 `yaml:"branch_id"`
		RegionID *int64 `yaml:"region_id"`
	} `yaml:"users"`
	Branches []struct {
		ID       int64  `yaml:"id"`
		Name     string `yaml:"name"`
		RegionID *int64 `yaml:"region_id"`
	} `yaml:"branches"`
}

// loadDirectory reads users and branches from a YAML file. An empty path
// yields an empty directory.
func loadDirectory(path string) (*recipient.MemoryDirectory, error) {
	if path == "" {
		return recipient.NewMemoryDirectory(nil, nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}

	users := make([]recipient.User, 0, len(f.Users))
	for _, u := range f.Users {
		users = append(users, recipient.User{
			ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role,
			BranchID: u.BranchID, RegionID: u.RegionID,
		})
	}
	branches := make([]recipient.Branch, 0, len(f.Branches))
	for _, b := range f.Branches {
		branches = append(branches, recipient.Branch{ID: b.ID, Name: b.Name, RegionID: b.RegionID})
	}
	return recipient.NewMemoryDirectory(users, branches), nil
}
