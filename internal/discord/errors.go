package discord

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"go.pilab.hu/verifybot/verification"
)

// JSON error codes returned by the Discord REST API.
const (
	codeUnknownMember      = 10007
	codeUnknownUser        = 10013
	codeMissingAccess      = 50001
	codeCannotMessageUser  = 50007
	codeMissingPermissions = 50013
)

var errNoRoleConfigured = errors.New("discord: no verified role configured for guild")

func restErrorCode(err error) (int, int, bool) {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return 0, 0, false
	}
	code := 0
	if restErr.Message != nil {
		code = restErr.Message.Code
	}
	status := 0
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}
	return code, status, true
}

// classifyGrantError maps a REST failure to a grant status.
func classifyGrantError(err error) verification.GrantStatus {
	code, status, ok := restErrorCode(err)
	if !ok {
		return verification.GrantFailed
	}
	switch code {
	case codeUnknownMember, codeUnknownUser:
		return verification.GrantNotAMember
	case codeMissingPermissions, codeMissingAccess:
		return verification.GrantPermissionDenied
	}
	switch status {
	case http.StatusNotFound:
		return verification.GrantNotAMember
	case http.StatusForbidden:
		return verification.GrantPermissionDenied
	}
	return verification.GrantFailed
}

func isDMBlocked(err error) bool {
	code, _, ok := restErrorCode(err)
	return ok && code == codeCannotMessageUser
}
