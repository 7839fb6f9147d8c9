// Package sqldb opens the relational database shared by the task and agent
// repositories. It supports MySQL for clustered deployments and SQLite for a
// single node or tests, and applies the embedded schema migrations of the
// selected dialect on startup.
package sqldb
