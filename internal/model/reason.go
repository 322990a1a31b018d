package model

import "fmt"

// Reason codes written to the ledger's exclusion_reason column. Archive
// fetch failures carry their original status code (for example "HTTP_404")
// straight through.
const (
	ReasonArchiveMissing     = "ARCHIVE_MISSING"
	ReasonFetchFailed        = "FETCH_FAILED"
	ReasonExtractionTooShort = "EXTRACTION_TOO_SHORT"
	ReasonAllSourcesFailed   = "ALL_SOURCES_FAILED"
	ReasonNoEligibleSources  = "NO_ELIGIBLE_SOURCES"
	ReasonRequestTimeout     = "REQUEST_TIMEOUT"
	ReasonHTTPError          = "HTTP_ERROR"
	ReasonEmptyResponse      = "EMPTY_RESPONSE"
	ReasonMalformedResponse  = "MALFORMED_RESPONSE"
	ReasonConnectionFailed   = "CONNECTION_FAILED"
)

// HTTPReason formats an archive fetch status code as a reason code.
func HTTPReason(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}
