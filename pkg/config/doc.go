// Package config loads the documents osdeploy is driven by: task sequence
// descriptions, disk selection steps and the host configuration file.
//
// # Descriptions
//
// A description can be written in JSON, YAML or CUE. Whatever the format, the
// document is unified with the built-in #TaskSequence schema before it is
// decoded, so all three report the same structural errors:
//
//	id:   "workstation"
//	name: "Workstation"
//	steps: {
//	    Bootstrapping: [
//	        {type: "SelectDisk"},
//	        {type: "SetPhase", properties: {phase: "Installation", copyBootstrap: true, reboot: true}},
//	    ]
//	    Installation: [
//	        {type: "ApplyImage", properties: {imagePath: "/images/install.wim"}},
//	        {type: "ConfigureBoot"},
//	    ]
//	}
//
// CUE files may reference the schema definitions directly, for example
// `sequence: #TaskSequence & {...}`. When a CUE file declares a "sequence"
// field only that field is loaded.
//
// Decoded descriptions are also checked with the struct tags of
// engine.Description. Problems are reported as a *LoadError wrapped in an
// engine validation error, with file positions where CUE provides them.
//
// # Selection steps
//
// LoadSelectionSteps reads a list of selection.Step values checked against
// #SelectionSteps:
//
//	- name: nvme
//	  condition: {expression: 'bus_type == "NVMe"'}
//	  action: include
//	- condition: {builtin: largest}
//	  action: include
//
// # Watching
//
// Watcher imports a directory of descriptions into an engine.SequenceCatalog
// and re-imports it, debounced, whenever a document is written, created or
// removed.
//
// # Host configuration
//
// LoadAppConfig reads osdeploy.yaml, then applies OSDEPLOY_* environment
// overrides (OSDEPLOY_STATE_PATH, OSDEPLOY_DATABASE_PATH, OSDEPLOY_DRY_RUN, ...)
// and validates the result.
package config
