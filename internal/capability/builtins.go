package capability

import (
	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/sandbox"
	"github.com/dilip8700/zorix-agent/internal/secrets"
)

// RegisterBuiltins wires the standard capability set into reg.
func RegisterBuiltins(
	reg *Registry,
	sb *sandbox.Sandbox,
	scrubber *secrets.Scrubber,
	cmdOpts CommandOptions,
	log *logging.Logger,
) {
	reg.Register(NewReadFile(sb, log))
	reg.Register(NewWriteFile(sb, log))
	reg.Register(NewListDirectory(sb, log))
	reg.Register(NewApplyPatch(sb, log))
	reg.Register(NewRunCommand(sb, scrubber, cmdOpts, log))
	reg.Register(NewGitStatus(sb, log))
	reg.Register(NewGitAdd(sb, log))
	reg.Register(NewGitCommit(sb, log))
	reg.Register(NewGitLog(sb, log))
	reg.Register(NewGitBranch(sb, log))
}
