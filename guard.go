package aptitude

// Well known paths the guard redirects to
const (
	LoginPath   = "/login"
	RootPath    = "/"
	StudentPath = "/student"
	AdminPath   = "/admin"
)

// SettingUpMessage is shown to an identity whose profile has not appeared yet
const SettingUpMessage = "Setting up your account..."

// AuthPhase classifies a SessionState for routing
type AuthPhase int

const (
	PhaseLoading AuthPhase = iota
	PhaseUnauthenticated
	PhaseAuthenticatedNoProfile
	PhaseAuthenticatedWithProfile
)

func (p AuthPhase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticatedNoProfile:
		return "authenticated_no_profile"
	case PhaseAuthenticatedWithProfile:
		return "authenticated_with_profile"
	}
	return "unknown"
}

// Phase classifies a state.  While loading the identity and profile are ignored.
func Phase(s SessionState) AuthPhase {
	switch {
	case !s.IsReady():
		return PhaseLoading
	case s.Identity == nil:
		return PhaseUnauthenticated
	case s.Profile == nil:
		return PhaseAuthenticatedNoProfile
	default:
		return PhaseAuthenticatedWithProfile
	}
}

// Action is what the presentation layer should do for a route
type Action int

const (
	ActionLoading Action = iota
	ActionRedirect
	ActionRender
	ActionLanding
	ActionSettingUp
)

func (a Action) String() string {
	switch a {
	case ActionLoading:
		return "loading"
	case ActionRedirect:
		return "redirect"
	case ActionRender:
		return "render"
	case ActionLanding:
		return "landing"
	case ActionSettingUp:
		return "setting_up"
	}
	return "unknown"
}

// Decision is the outcome of guarding a route.  Target is set for redirects.
type Decision struct {
	Action Action
	Target string
}

// Guard decides whether a route requiring the given role may render.  RoleNone
// only requires an identity.  A missing profile counts as a role mismatch.
func Guard(requested Role, s SessionState) Decision {
	switch Phase(s) {
	case PhaseLoading:
		return Decision{Action: ActionLoading}
	case PhaseUnauthenticated:
		return Decision{Action: ActionRedirect, Target: LoginPath}
	}
	if requested != RoleNone && (s.Profile == nil || s.Profile.Role != requested) {
		return Decision{Action: ActionRedirect, Target: RootPath}
	}
	return Decision{Action: ActionRender}
}

// RootDecision decides what the root path shows
func RootDecision(s SessionState) Decision {
	switch Phase(s) {
	case PhaseLoading:
		return Decision{Action: ActionLoading}
	case PhaseAuthenticatedNoProfile:
		return Decision{Action: ActionSettingUp}
	case PhaseAuthenticatedWithProfile:
		if home := HomePath(s.Profile.Role); home != "" {
			return Decision{Action: ActionRedirect, Target: home}
		}
	}
	return Decision{Action: ActionLanding}
}

// HomePath is the landing route for a role, "" for unknown roles
func HomePath(r Role) string {
	switch r {
	case RoleStudent:
		return StudentPath
	case RoleAdmin:
		return AdminPath
	}
	return ""
}
