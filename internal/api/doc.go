// Package api implements the controller's management HTTP surface: health,
// agent snapshot, settings, pairing, filesystem scan, and job admission. The
// JSON request/response helpers in json_helpers.go and the component-health
// shape in health_helpers.go are carried over unchanged from the teacher's
// idiom; the handlers themselves are specific to this domain.
package api
