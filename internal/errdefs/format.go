package errdefs

// FormatUserMessage converts an internal error into the message shown to the
// end user on the originating platform. Security-sensitive platform errors are
// intentionally generic; everything else carries a remediation hint.
func FormatUserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch KindOf(err) {
	case KindNotFound:
		return "Not found: " + err.Error() + ". Use `/status` to inspect the current configuration."
	case KindBusy:
		return "Another operation is in progress. Please wait for it to finish or use `/workflow cancel`."
	case KindValidation:
		return "Invalid request: " + err.Error()
	case KindIsolation:
		return "Workspace isolation failed: " + err.Error() + ". Check permissions and whether the branch is checked out elsewhere."
	case KindAssistantTransport:
		return "The assistant stream failed: " + err.Error() + ". Use `/reset` to start a fresh session."
	case KindExternalPlatform:
		return "Failed to deliver the response to the platform."
	case KindFatal:
		return "Internal error. The operator has been notified."
	default:
		return "Something went wrong handling that message. Try again, or use `/reset` to start over."
	}
}
