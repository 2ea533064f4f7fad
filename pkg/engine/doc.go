// Package engine runs operating system deployments as phase-scoped task sequences.
//
// # Overview
//
// A deployment moves through a fixed lifecycle of phases:
//
//  1. Bootstrapping - staging environment, before the target disk is touched
//  2. Installation - disk selection, image application and boot configuration
//  3. PostInstallation - work inside the installed system after its first boot
//  4. Completed - terminal, nothing runs
//
// A TaskSequence holds an ordered list of tasks for each executable phase. The
// Executor runs the tasks of one phase strictly in order against a shared State;
// the Runner hosts a whole sequence, follows phase changes made by tasks and
// checkpoints the State so a run can resume after a reboot.
//
// # Tasks and Properties
//
// Tasks declare their settings as Property descriptors. Right before a task
// executes, the Binder fills every property that the caller left unassigned,
// looking at state keys first and then environment variables, and validates
// the result:
//
//	func (t *ApplyImage) Properties() []*engine.Property {
//	    return []*engine.Property{
//	        engine.StringProperty("imagePath", &t.ImagePath).
//	            FromState(engine.KeyImagePath).
//	            FromEnv().
//	            Required().
//	            Validate("file"),
//	    }
//	}
//
// A failing critical task aborts its phase. A failing non-critical task is
// logged and recorded and the phase continues. Nothing is retried.
//
// # Building Sequences
//
// Sequences are composed in code with a Builder, or resolved from a
// serializable Description through a SequenceFactory and a Registry of task
// types:
//
//	reg := engine.NewRegistry()
//	reg.MustRegister("SelectDisk", func() engine.Task { return tasks.NewSelectDisk(disks) })
//
//	seq, err := engine.NewSequenceFactory(reg, catalog, policy).FromDescription(ctx, desc)
//
// # Errors
//
// Every engine failure is an *EngineError carrying an ErrorClass. Use the
// IsValidation, IsResolution, IsSelectionExhausted, IsCollaborator and
// IsTaskFailure helpers to inspect a chain.
package engine
