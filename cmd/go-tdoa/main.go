// go-tdoa: acoustic TDOA detection and localization toolkit.
// A node detects a narrowband tone and reports it with a timestamped
// position; the server aggregates reports and renders the TDOA loci.
package main

func main() {
	Execute()
}
