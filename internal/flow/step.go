package flow

// Step is the current position of a principal's interactive session.
// Every flow ends back at StepIdle; no transition leaves a session dangling.
type Step int

const (
	StepIdle Step = iota
	StepAwaitChannelAdd
	StepAwaitChannelRemove
	StepAwaitAdminAdd
	StepAwaitAdminRemove
	StepCollecting
	StepSelectTargets
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepAwaitChannelAdd:
		return "await_channel_add"
	case StepAwaitChannelRemove:
		return "await_channel_remove"
	case StepAwaitAdminAdd:
		return "await_admin_add"
	case StepAwaitAdminRemove:
		return "await_admin_remove"
	case StepCollecting:
		return "collecting"
	case StepSelectTargets:
		return "select_targets"
	default:
		return "unknown"
	}
}
