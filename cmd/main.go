// Package main provides the unified CLI entry point for the moldwatch
// services.
package main

func main() {
	Execute()
}
