// Command alembic serves the Todo API over the alembic HTTP/1.x server.
//
// Usage:
//
//	# Start with defaults on :8080
//	alembic serve
//
//	# Start with a configuration file, reloading the log level on change
//	alembic serve --config alembic.yaml --watch
//
//	# Show version information
//	alembic version
package main

func main() {
	Execute()
}
