package types

// ErrorCode identifies an API failure as <AREA>_<HTTP status>.
type ErrorCode string

const (
	CodeAuthBadRequest    ErrorCode = "AUTH_400"
	CodeAuthUnauthorized  ErrorCode = "AUTH_401"
	CodeAuthForbidden     ErrorCode = "AUTH_403"
	CodeAuthInternal      ErrorCode = "AUTH_500"
	CodeAuthNotConfigured ErrorCode = "AUTH_501"

	CodeMachineBadRequest ErrorCode = "MACHINE_400"
	CodeMachineConflict   ErrorCode = "MACHINE_409"

	CodeNodeNotFound ErrorCode = "NODE_404"

	CodeCaptureBadRequest  ErrorCode = "CAPTURE_400"
	CodeCaptureInternal    ErrorCode = "CAPTURE_500"
	CodeCaptureUnavailable ErrorCode = "CAPTURE_503"

	CodeArchiveBadRequest ErrorCode = "ARCHIVE_400"
	CodeArchiveInternal   ErrorCode = "ARCHIVE_500"
)

type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// ErrorResponse is the envelope of every non-2xx API answer.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func NewErrorResponse(code ErrorCode, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
