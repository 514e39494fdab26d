package mongodb

const (
	VerifiedUsersCollection = "verified_users" // Completed Discord <-> Instagram links
)
