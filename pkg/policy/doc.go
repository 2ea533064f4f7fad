// Package policy gates task sequence descriptions with Open Policy Agent.
//
// Every policy is a Rego module whose deny set lists the violations of the
// sequence handed to it as input:
//
//	{
//	  "sequence": {"id": "...", "name": "...", "steps": {"Installation": [{"type": "SelectDisk"}]}},
//	  "phases":   ["Bootstrapping", "Installation", "PostInstallation"],
//	  "context":  {"operation": "check", "timestamp": "..."}
//	}
//
// A deny element is either a message string or an object:
//
//	package site.images
//
//	import rego.v1
//
//	deny contains violation if {
//		some j, step in input.sequence.steps.Installation
//		step.type == "ApplyImage"
//		not step.properties.imagePath
//		violation := {
//			"message": "images must be pinned in the sequence",
//			"severity": "warning",
//			"phase": "Installation",
//			"step": j,
//		}
//	}
//
// Violations with error or critical severity block the sequence; the others are
// reported as warnings. The Engine implements engine.SequencePolicy, so it can be
// handed to engine.NewSequenceFactory to reject sequences before they are built.
//
// # Built-in Policies
//
//   - known-phases: steps may only be declared for executable phases
//   - non-empty-sequence: a sequence needs at least one step
//   - disk-before-image: ApplyImage must come after a SelectDisk step
//   - phase-handoff (warning): SetPhase should end its phase
//
// # Loading Policies
//
// LoadPolicies accepts .rego files, JSON policy definitions and directories
// holding either. A .rego file becomes a policy named after the file with its
// leading comment as description. A JSON definition carries the Policy fields
// and may point at its module with rego_file. Watch reloads the set whenever a
// file changes.
package policy
