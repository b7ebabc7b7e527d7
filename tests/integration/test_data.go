package integration

import (
	"fmt"
	"time"
)

// TestUser generates unique test user credentials using a timestamp
func TestUser(suffix string) (email, password string) {
	ts := time.Now().UnixNano()
	email = fmt.Sprintf("test-%d-%s@example.com", ts, suffix)
	password = "TestPassword123"
	return
}

// TestBackupTokens returns fixed backup token values drawn from the
// generator's alphabet, for seeding alongside SeedBackupTokens.
func TestBackupTokens() []string {
	return []string{"A2B3C4D5", "E6F7G8H9", "JKMNPQRS"}
}
