package boot

// Status is a subsystem's reported health.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Mode is the operating mode computed once at boot and held for the
// process lifetime.
type Mode string

const (
	ModeAutonomous Mode = "autonomous"
	ModeDegraded   Mode = "degraded"
	ModeDev        Mode = "dev"
)

// Result describes a completed boot attempt. RunID is a fresh identifier
// for this process instance, for correlating log records and trace spans
// with a particular boot.
type Result struct {
	Success    bool
	Mode       Mode
	RunID      string
	BootTimeMs int64
	Warnings   []string
	Subsystems map[string]Status
}

// p1Subsystems names the degradable components: their failure puts the
// runtime in degraded mode instead of aborting boot. toolValidator is only
// critical when a non-empty ActionPolicy was supplied; handled dynamically
// in Boot rather than this fixed list.
var p1Subsystems = map[string]bool{
	"storeFactory": true,
	"breaker":      true,
	"rateLimiter":  true,
	"idempotency":  true,
}

// p0Subsystems names the critical components whose health dominates the
// overall health-check status.
var p0Subsystems = map[string]bool{
	"configuration": true,
	"filesystem":    true,
	"redactor":      true,
	"logger":        true,
	"auditTrail":    true,
	"toolValidator": true,
	"lockManager":   true,
}
