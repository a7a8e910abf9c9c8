package license

import "fmt"

// EventType names a license lifecycle event.
type EventType string

const (
	// GracePeriodStarted fires when the first user beyond the quota is
	// admitted in a period.
	GracePeriodStarted EventType = "gracePeriodStarted"
	// GracePeriodEnded fires when a new user is rejected because the grace
	// allowance of the period is used up.
	GracePeriodEnded EventType = "gracePeriodEnded"
	// LicenseExpiresSoon fires when the license ends within 31 days.
	LicenseExpiresSoon EventType = "licenseExpiresSoon"
	// LicenseExpired fires when a user is rejected because the license ended.
	LicenseExpired EventType = "licenseExpired"
)

// Event is delivered to handlers registered with Handler.OnEvent.
type Event struct {
	Type    EventType
	Period  string
	Date    Date
	Message string
}

// EventHandler receives license events. It runs on the goroutine that
// triggered the event, after the handler's lock is released.
type EventHandler func(Event)

func message(t EventType, info Info) string {
	switch t {
	case GracePeriodStarted:
		return fmt.Sprintf("The user quota of %d has been exceeded. New users are admitted on a grace allowance until the end of the period.", info.Quota)
	case GracePeriodEnded:
		return "The grace allowance of the current period is used up. New users are rejected until the next period."
	case LicenseExpiresSoon:
		return fmt.Sprintf("The license expires on %s.", info.EndDate)
	case LicenseExpired:
		return "The license has expired. New connections are rejected."
	}
	return string(t)
}
