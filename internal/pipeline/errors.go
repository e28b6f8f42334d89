// Uploader-facing error messages with codes for support reference.
//
// Codes are grouped by failure category:
//
//	STR001-STR099: structural file problems, never retried
//	INT001-INT099: integrity findings that gate later stages
//	CNV001-CNV099: conversion and store problems
//	RUL001-RUL099: rule evaluation problems
//	ERR000:        fallback when no pattern matches
//
// Patterns are matched case-insensitively with strings.Contains; the
// first match wins, so specific patterns come before general ones.
package pipeline

import (
	"fmt"
	"strings"
)

// UserMessage is what an uploader sees when a stage fails: what happened,
// what to do, and a code to quote to support. Never a stack trace.
type UserMessage struct {
	Message string
	Action  string
	Code    string
}

// String renders the message the way it is stored on file records.
func (m UserMessage) String() string {
	return fmt.Sprintf("%s: %s (%s)", m.Code, m.Message, m.Action)
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Structural problems (STR). The file itself is unusable.
	{
		pattern: "file is empty",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Upload a CSV file with a header row and data rows",
			Code:    "STR001",
		},
	},
	{
		pattern: "not decodable text",
		msg: UserMessage{
			Message: "The file contains bytes that are not valid text",
			Action:  "Save the file as UTF-8 and upload again",
			Code:    "STR002",
		},
	},
	{
		pattern: "no header row",
		msg: UserMessage{
			Message: "No header row was found",
			Action:  "Ensure the first line of the file names the columns",
			Code:    "STR003",
		},
	},
	{
		pattern: "unknown table type",
		msg: UserMessage{
			Message: "This table type is not configured",
			Action:  "Check the table name against the submission template",
			Code:    "STR004",
		},
	},

	// Integrity findings (INT). The file parsed but carries defects.
	{
		pattern: "malformed rows",
		msg: UserMessage{
			Message: "Some rows have a different number of fields than the header",
			Action:  "Fix the listed rows and upload the file again",
			Code:    "INT001",
		},
	},

	// Conversion and store problems (CNV). Usually transient.
	{
		pattern: "no source files",
		msg: UserMessage{
			Message: "No files are available to convert for this table",
			Action:  "Upload at least one file before validating",
			Code:    "CNV001",
		},
	},
	{
		pattern: "memory limit",
		msg: UserMessage{
			Message: "The file set is too large to convert",
			Action:  "Split large files and upload them separately",
			Code:    "CNV002",
		},
	},
	{
		pattern: "read_csv",
		msg: UserMessage{
			Message: "The file could not be loaded into the analytical store",
			Action:  "Verify the file is well-formed CSV and try again",
			Code:    "CNV003",
		},
	},
	{
		pattern: "columnar store",
		msg: UserMessage{
			Message: "The analytical store could not be built",
			Action:  "Please try again in a few moments",
			Code:    "CNV004",
		},
	},

	// Rule evaluation problems (RUL).
	{
		pattern: "unknown rule",
		msg: UserMessage{
			Message: "A validation rule in the table definition is not supported",
			Action:  "Contact support with this code",
			Code:    "RUL001",
		},
	},
	{
		pattern: "seed variables",
		msg: UserMessage{
			Message: "Validation could not be prepared for this file",
			Action:  "Please try again",
			Code:    "RUL002",
		},
	},

	// Infrastructure, shared with every stage.
	{
		pattern: "already running",
		msg: UserMessage{
			Message: "A validation is already running for this file",
			Action:  "Wait for it to finish before starting another",
			Code:    "ERR409",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Processing was interrupted",
			Action:  "Please try again",
			Code:    "ERR001",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Processing timed out",
			Action:  "Try again, or split the file if it is very large",
			Code:    "ERR002",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError translates a technical error into the message stored on the
// file record and shown to the uploader.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	text := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(text, p.pattern) {
			return p.msg
		}
	}
	return defaultMessage
}
