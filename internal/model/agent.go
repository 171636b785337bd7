package model

import "fmt"

// MaxAgentTypeLen bounds agent type names. Instance ids and report file
// names are derived from them.
const MaxAgentTypeLen = 64

// ValidateAgentType checks that an agent type conforms to the allowed format.
// Types must start with a lowercase letter and contain only lowercase
// alphanumeric characters, hyphens, and underscores.
func ValidateAgentType(agentType string) error {
	if len(agentType) == 0 {
		return fmt.Errorf("agent type is required")
	}
	if len(agentType) > MaxAgentTypeLen {
		return fmt.Errorf("agent type must be at most %d characters", MaxAgentTypeLen)
	}
	for i := 0; i < len(agentType); i++ {
		c := agentType[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("agent type must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("agent type contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
