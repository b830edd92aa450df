// Package main provides the pglock command line tool.
package main

func main() {
	Execute()
}
