package engine

// Key identifies a State entry. Keys are case-sensitive.
type Key string

// Well-known state keys shared between tasks and across reboots.
const (
	KeyPhase               Key = "osdeploy.phase"
	KeySequenceID          Key = "osdeploy.sequence.id"
	KeyRunID               Key = "osdeploy.run.id"
	KeyWorkingDir          Key = "osdeploy.working_dir"
	KeyBootstrapExecutable Key = "osdeploy.bootstrap.executable"
	KeyRebootPending       Key = "osdeploy.reboot.pending"

	KeyDiskSelectionSteps Key = "osdeploy.disk.selection_steps"
	KeyInstallationDisk   Key = "osdeploy.disk.installation"

	KeyImagePath  Key = "osdeploy.image.path"
	KeyImageIndex Key = "osdeploy.image.index"
	KeyImageMount Key = "osdeploy.image.mount"

	KeySystemVolume Key = "osdeploy.volume.system"
	KeyBootVolume   Key = "osdeploy.volume.boot"
	KeyFirmware     Key = "osdeploy.boot.firmware"
	KeyLocale       Key = "osdeploy.boot.locale"

	KeyComputerName  Key = "osdeploy.computer_name"
	KeyDomain        Key = "osdeploy.domain.name"
	KeyDomainOU      Key = "osdeploy.domain.ou"
	KeyDomainAccount Key = "osdeploy.domain.account"
)

var wellKnownKeys = [...]Key{
	KeyPhase,
	KeySequenceID,
	KeyRunID,
	KeyWorkingDir,
	KeyBootstrapExecutable,
	KeyRebootPending,
	KeyDiskSelectionSteps,
	KeyInstallationDisk,
	KeyImagePath,
	KeyImageIndex,
	KeyImageMount,
	KeySystemVolume,
	KeyBootVolume,
	KeyFirmware,
	KeyLocale,
	KeyComputerName,
	KeyDomain,
	KeyDomainOU,
	KeyDomainAccount,
}

// WellKnownKeys returns a copy of the well-known key registry.
func WellKnownKeys() []Key {
	out := make([]Key, len(wellKnownKeys))
	copy(out, wellKnownKeys[:])
	return out
}

// IsWellKnown reports whether k is in the well-known key registry.
func IsWellKnown(k Key) bool {
	for _, known := range wellKnownKeys {
		if k == known {
			return true
		}
	}
	return false
}
