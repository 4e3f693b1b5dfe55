/*
Package registry maps mime types to external decoder programs.

Decoders are registered in code or discovered from TOML and YAML files
below imgjail/conf.d in each XDG data directory:

	[[decoder]]
	name = "stock"
	mime_types = ["image/png", "image/jpeg"]
	exec = "/usr/libexec/imgjail/imgjail-loader"
	sandbox = "auto"
	expose_base_dir = false

A user data directory overrides the system ones. Sniff picks the mime
type of an input from its first bytes, falling back to the file name.
*/
package registry
