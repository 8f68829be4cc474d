package provision

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkspaceUser is the account created on every workspace.
const WorkspaceUser = "relay"

type cloudConfig struct {
	Hostname      string      `yaml:"hostname"`
	Users         []cloudUser `yaml:"users"`
	PackageUpdate bool        `yaml:"package_update"`
	Packages      []string    `yaml:"packages"`
}

type cloudUser struct {
	Name              string   `yaml:"name"`
	Groups            []string `yaml:"groups,flow"`
	Shell             string   `yaml:"shell"`
	Sudo              []string `yaml:"sudo,flow"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

// CloudInit renders the cloud-config user data that prepares a workspace:
// the relay user with passwordless sudo and publicKey authorized, plus the
// packages the tools rely on.
func CloudInit(publicKey string) (string, error) {
	cfg := cloudConfig{
		Hostname: "relay-vm",
		Users: []cloudUser{{
			Name:              WorkspaceUser,
			Groups:            []string{"sudo"},
			Shell:             "/bin/bash",
			Sudo:              []string{"ALL=(ALL) NOPASSWD:ALL"},
			SSHAuthorizedKeys: []string{publicKey},
		}},
		PackageUpdate: true,
		Packages:      []string{"ripgrep", "git", "curl"},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render cloud-init: %w", err)
	}
	return "#cloud-config\n" + string(data), nil
}
