// Package collaborators provides host-side implementations of the engine's
// collaborator interfaces.
//
// InventoryEnumerator reads disks from a JSON or YAML inventory file,
// WimlibServicer applies images with the wimlib-imagex tool, and
// LocalFileCopier stages files onto mounted volumes. The DryRun types log the
// requests they receive and change nothing, which makes a full sequence
// runnable on a workstation.
package collaborators
