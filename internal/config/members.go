package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blackmichael/member-feed/internal/domain"
)

// membersFile is the YAML layout of FEEDGEN_MEMBERS_FILE:
//
//	members:
//	  - did:plc:abc123
//	  - did:plc:def456
type membersFile struct {
	Members []string `yaml:"members"`
}

// LoadMembers builds a membership snapshot from the inline list and the
// members file, if configured. Call it again to reload.
func (c *Config) LoadMembers() (*domain.MembershipFilter, error) {
	authors := append([]string(nil), c.Members...)

	if c.MembersFile != "" {
		data, err := os.ReadFile(c.MembersFile)
		if err != nil {
			return nil, fmt.Errorf("read members file: %w", err)
		}
		var f membersFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse members file %s: %w", c.MembersFile, err)
		}
		authors = append(authors, f.Members...)
	}

	for _, a := range authors {
		if a = strings.TrimSpace(a); a != "" && !strings.HasPrefix(a, "did:") {
			return nil, fmt.Errorf("member %q is not a DID", a)
		}
	}
	return domain.NewMembershipFilter(authors), nil
}
