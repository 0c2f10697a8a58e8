package core

// error_messages.go maps technical errors to user-facing messages with
// support codes. Users quote the code; support looks it up here.
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key          Patterns: "duplicate key"
//	DB002 - Unique constraint      Patterns: "unique constraint", "violates unique"
//	DB003 - Foreign key            Patterns: "foreign key constraint", "violates foreign key"
//	DB004 - Connection refused     Patterns: "connection refused"
//	DB005 - Connection reset       Patterns: "connection reset"
//	DB006 - Timeout                Patterns: "timeout"
//	DB007 - Deadlock               Patterns: "deadlock"
//	DB008 - Permission denied      Patterns: "permission denied", "insufficient privilege"
//	DB009 - Storage unavailable    Patterns: "storage unavailable"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date          Patterns: "invalid date"
//	VAL002 - Invalid number        Patterns: "invalid number", "invalid integer"
//	VAL003 - Required field        Patterns: "required field"
//	VAL004 - Missing column        Patterns: "missing required column"
//	VAL006 - Invalid enum          Patterns: "value must be one of"
//	VAL007 - Invalid UUID          Patterns: "invalid uuid"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large       Patterns: "file too large"
//	FILE002 - Malformed file       Patterns: "malformed"
//	FILE003 - Unsupported format   Patterns: "unsupported file format"
//	FILE004 - No file              Patterns: "no file provided"
//	FILE005 - Empty file           Patterns: "empty file", "no header row"
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Job not found         Patterns: "job not found"
//	JOB002 - Job finalized         Patterns: "job already finalized"
//	JOB003 - Shutting down         Patterns: "shutting down"
//	JOB004 - Unknown entity        Patterns: "unknown entity type"
//	JOB005 - Import not supported  Patterns: "import not supported"
//	JOB006 - Interrupted           Patterns: "interrupted by shutdown"
//
// # Export Errors (EXP001-EXP099)
//
//	EXP001 - Download unavailable  Patterns: "download not available"
//	EXP002 - Artifact write failed Patterns: "artifact"
//
// # Request Errors (REQ001-REQ099) and Rate Limiting (RATE001)
//
//	REQ001 - Request cancelled     Patterns: "context canceled"
//	REQ002 - Request timed out     Patterns: "context deadline exceeded"
//	REQ003 - Invalid request       Patterns: "invalid request"
//	RATE001 - Rate limited         Patterns: "rate limit"
//
// Anything else maps to ERR000; check the logs for the technical error.
//
// Patterns are matched case-insensitively with strings.Contains. The first
// matching pattern wins, so specific patterns come before general ones.

import "strings"

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// Storage availability (checked first: wrapped outages mention causes
	// that would otherwise match connection patterns)
	// =========================================================================
	{"storage unavailable", UserMessage{
		Message: "The database became unreachable during the job",
		Action:  "Retry the job once the database is healthy",
		Code:    "DB009",
	}},

	// =========================================================================
	// Database constraints (DB001-DB003, DB008)
	// =========================================================================
	{"duplicate key", UserMessage{
		Message: "A record with this ID already exists",
		Action:  "Remove the duplicate row or change its key",
		Code:    "DB001",
	}},
	{"unique constraint", UserMessage{
		Message: "This value must be unique but already exists",
		Action:  "Check for duplicate entries in your file",
		Code:    "DB002",
	}},
	{"violates unique", UserMessage{
		Message: "A duplicate value was found",
		Action:  "Review your data for duplicate key values",
		Code:    "DB002",
	}},
	{"foreign key constraint", UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Import parent records (creators, categories) first",
		Code:    "DB003",
	}},
	{"violates foreign key", UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Import parent records (creators, categories) first",
		Code:    "DB003",
	}},
	{"permission denied", UserMessage{
		Message: "The database refused the write",
		Action:  "Contact an administrator about table permissions",
		Code:    "DB008",
	}},
	{"insufficient privilege", UserMessage{
		Message: "The database refused the write",
		Action:  "Contact an administrator about table permissions",
		Code:    "DB008",
	}},

	// =========================================================================
	// Database connectivity (DB004-DB007)
	// =========================================================================
	{"connection refused", UserMessage{
		Message: "Unable to connect to database",
		Action:  "Please try again in a few moments",
		Code:    "DB004",
	}},
	{"connection reset", UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Please try again",
		Code:    "DB005",
	}},
	{"timeout", UserMessage{
		Message: "Operation timed out",
		Action:  "Try a smaller file or try again later",
		Code:    "DB006",
	}},
	{"deadlock", UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB007",
	}},

	// =========================================================================
	// Validation (VAL001-VAL007)
	// =========================================================================
	{"invalid date", UserMessage{
		Message: "Invalid date format detected",
		Action:  "Use YYYY-MM-DD, MM/DD/YYYY, or Jan 15, 2024",
		Code:    "VAL001",
	}},
	{"invalid number", UserMessage{
		Message: "Invalid number format detected",
		Action:  "Use plain decimal numbers without units",
		Code:    "VAL002",
	}},
	{"invalid integer", UserMessage{
		Message: "Invalid whole number detected",
		Action:  "Use whole numbers without decimals",
		Code:    "VAL002",
	}},
	{"required field", UserMessage{
		Message: "Required field is empty",
		Action:  "Ensure all required columns have values",
		Code:    "VAL003",
	}},
	{"missing required column", UserMessage{
		Message: "Required column is missing from the file",
		Action:  "Download the import template and compare headers",
		Code:    "VAL004",
	}},
	{"value must be one of", UserMessage{
		Message: "Value is not in the allowed list",
		Action:  "Check the allowed values for this field",
		Code:    "VAL006",
	}},
	{"invalid uuid", UserMessage{
		Message: "Invalid identifier format",
		Action:  "Use the record id exactly as exported",
		Code:    "VAL007",
	}},

	// =========================================================================
	// Files (FILE001-FILE005)
	// =========================================================================
	{"file too large", UserMessage{
		Message: "File exceeds maximum size limit",
		Action:  "Split the file into smaller chunks",
		Code:    "FILE001",
	}},
	{"malformed", UserMessage{
		Message: "The file could not be parsed",
		Action:  "Check quoting and structure, or re-export the file from a spreadsheet",
		Code:    "FILE002",
	}},
	{"unsupported file format", UserMessage{
		Message: "Unsupported file format",
		Action:  "Use a .csv, .xlsx or .json file",
		Code:    "FILE003",
	}},
	{"no file provided", UserMessage{
		Message: "No file was selected",
		Action:  "Please select a file to upload",
		Code:    "FILE004",
	}},
	{"empty file", UserMessage{
		Message: "The uploaded file is empty",
		Action:  "Please upload a file with a header row",
		Code:    "FILE005",
	}},
	{"no header row", UserMessage{
		Message: "The uploaded file is empty",
		Action:  "Please upload a file with a header row",
		Code:    "FILE005",
	}},

	// =========================================================================
	// Jobs (JOB001-JOB006)
	// =========================================================================
	{"job not found", UserMessage{
		Message: "Job not found",
		Action:  "Check the job id",
		Code:    "JOB001",
	}},
	{"job already finalized", UserMessage{
		Message: "The job has already finished",
		Action:  "Start a new job",
		Code:    "JOB002",
	}},
	{"interrupted by shutdown", UserMessage{
		Message: "The job was interrupted by a server restart",
		Action:  "Start the job again",
		Code:    "JOB006",
	}},
	{"shutting down", UserMessage{
		Message: "The server is restarting",
		Action:  "Please try again in a few moments",
		Code:    "JOB003",
	}},
	{"unknown entity type", UserMessage{
		Message: "Unknown entity type",
		Action:  "Choose one of the listed entity types",
		Code:    "JOB004",
	}},
	{"import not supported", UserMessage{
		Message: "This entity type can only be exported",
		Action:  "Choose an importable entity type",
		Code:    "JOB005",
	}},

	// =========================================================================
	// Exports (EXP001-EXP002)
	// =========================================================================
	{"download not available", UserMessage{
		Message: "The export is not available for download",
		Action:  "Wait for the job to complete, or run the export again if it expired",
		Code:    "EXP001",
	}},
	{"artifact", UserMessage{
		Message: "The export file could not be stored",
		Action:  "Please try again later",
		Code:    "EXP002",
	}},

	// =========================================================================
	// Requests (REQ001-REQ003) and rate limiting (RATE001)
	// =========================================================================
	{"context canceled", UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "REQ001",
	}},
	{"context deadline exceeded", UserMessage{
		Message: "Request timed out",
		Action:  "Please try again",
		Code:    "REQ002",
	}},
	{"invalid request", UserMessage{
		Message: "The request is invalid",
		Action:  "Check the request fields and try again",
		Code:    "REQ003",
	}},
	{"rate limit", UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// It returns the first pattern match, or ERR000 when nothing matches.
//
//	msg := MapError(errors.New("duplicate key violation"))
//	// msg.Code == "DB001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}
