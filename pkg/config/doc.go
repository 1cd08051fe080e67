/*
Package config loads and validates Relay daemon configuration.

Configuration comes from three layers: built-in defaults, a YAML file, and
command-line flags applied by cmd/relay. The live-mutable subset (worker
pool size, attempt timeout, retry policy, pause state, probe cadences) is
carried by Runtime, which UpdateConfig mutates at runtime through Apply
using the millisecond-suffixed key set recognised by the control surface.
*/
package config
