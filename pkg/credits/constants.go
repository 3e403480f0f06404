package credits

const (
	operationOpenAccount = "open_account"
	operationCharge      = "charge"
	operationRefund      = "refund"
	operationGrant       = "grant"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	operationTierDelimiter = "/"

	welcomeGrantNote = "Welcome bonus"

	// DefaultWelcomeGrant is the signup bonus credited to new accounts.
	DefaultWelcomeGrant PositiveCredits = 150

	defaultListLimit = 50
	maxListLimit     = 200
)
