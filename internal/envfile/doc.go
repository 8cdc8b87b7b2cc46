// ABOUTME: Package envfile reads dotenv and docker-compose files into candidate key/value pairs
// ABOUTME: Also renders dotenv output and writes secret files with backups

// Package envfile turns local configuration files into ordered key/value
// candidates for classification. Dotenv values are taken literally: a value
// such as ${DB_PASSWORD} stays a reference and is never expanded.
package envfile
