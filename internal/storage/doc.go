package storage

// Package storage persists the platform's desired state and moderation records.
//
// It holds five record kinds:
//   - Worker: hosted worker registrations and their active flag
//   - Destination: channels/topics receiving approved content
//   - IntroFlag: per (worker, user) "introduction shown" markers
//   - Submission: end-user content and its moderation status
//   - AdminMessage: owner notification message -> submission index
//
// Uniqueness is enforced by the database (unique indexes / composite keys),
// so concurrent writers from many worker sessions are safe.
