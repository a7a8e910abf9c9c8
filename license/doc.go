// Package license meters and caps the number of distinct users admitted per
// period.
//
// A license descriptor names a quota and an end date. Every user admitted
// during a period (a calendar month by default) is recorded in the usage
// statistics, which are persisted before RegisterUser returns. Users already
// recorded for the period are always admitted again. Past the quota a grace
// allowance of GraceMultiple times the quota still admits new users; after
// that new users are rejected until the next period.
//
// Persisted formats:
//
//	license     {"quota": 3, "endDate": "2030-12-31"}
//	            or {"content": {...}, "checksum": "<base64 sha256 of content>"}
//	statistics  {"statistics": {"2030-01": ["alice", "bob"]}}
package license
