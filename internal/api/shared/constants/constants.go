package constants

const (
	MAX_PAGE_SIZE               = 500
	DEFAULT_RECORDS_LIMIT       = 50
	DEFAULT_TRANSACTIONS_LIMIT  = 20
	DEFAULT_LEADERBOARD_LIMIT   = 10
	MAX_PHOTO_SIZE              = 10 * 1024 * 1024
	MAX_REQUEST_BODY_SIZE       = 16 * 1024 * 1024
	SERVICE_NAME                = "recycling-ledger-api"
	EXPORT_FILENAME_TIME_FORMAT = "20060102T150405Z"
)
