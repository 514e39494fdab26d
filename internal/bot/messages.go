package bot

import (
	"fmt"
	"strings"
	"time"

	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/internal/proof"
	"go.pilab.hu/verifybot/verification"
)

const (
	msgInstructionsSent = "I've sent you verification instructions in a direct message! 📬"
	msgAlreadyVerified  = "You are already verified!"
	msgDMBlocked        = "I can't send you a direct message. Make sure DMs from this server are enabled."
	msgUsage            = "Usage: !verify <instagram_username>"
	msgStartFirst       = "Use the !verify command on the server first."
	msgCodeExpired      = "Your verification code has expired. Use !verify on the server again."
	msgVerified         = "Verification successful! Role granted. ✅"
	msgPartial          = "Verification succeeded, but I can't find you on any server. Try again later."
	msgGrantError       = "An error occurred while granting the role."
	msgNoVerifiedUsers  = "No verified users."
	msgGenericError     = "Something went wrong. Try again shortly."

	msgFailedPrefix   = "Verification failed: "
	msgAccountMissing = "Instagram user not found."
	msgNotFollowing   = "The account does not follow the profile yet."
	msgTokenNotFound  = "No message with the verification code was found. Make sure you sent the code in a direct message."
	msgTransient      = "An error occurred during verification. Try again shortly."
	msgCriteriaHeader = "Your account does not meet the following requirements:\n"
)

// InstructionsText renders the direct message that explains a challenge.
func InstructionsText(in verification.Instructions) string {
	return fmt.Sprintf("Hi! To start verification:\n\n"+
		"1. Follow **%s** on Instagram\n"+
		"2. Send the following code as an Instagram direct message: **%s**\n"+
		"3. Once done, write here: !verify <your_instagram_username>\n\n"+
		"The code is valid for %d minutes.",
		in.OperatorHandle, in.Code, int(in.TTL/time.Minute))
}

// proofFailureText explains a rejected proof to the requester.
func proofFailureText(perr *verification.ProofError) string {
	switch perr.Reason {
	case proof.ReasonAccountNotFound:
		return msgFailedPrefix + msgAccountMissing
	case proof.ReasonNotFollowing:
		return msgFailedPrefix + msgNotFollowing
	case proof.ReasonTokenNotFound:
		return msgFailedPrefix + msgTokenNotFound
	case proof.ReasonCriteriaFailed:
		var b strings.Builder
		b.WriteString(msgFailedPrefix)
		b.WriteString(msgCriteriaHeader)
		for _, name := range perr.FailedCriteria {
			if text := proof.CriterionMessage(name); text != "" {
				b.WriteString("- " + text + "\n")
			}
		}
		return b.String()
	}
	return msgFailedPrefix + msgTransient
}

// verifiedUsersText lists ledger entries for an admin.
func verifiedUsersText(records []*domain.VerificationRecord) string {
	if len(records) == 0 {
		return msgNoVerifiedUsers
	}
	var b strings.Builder
	b.WriteString("**Verified users:**\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- Discord: %s, Instagram: %s, Date: %s\n",
			r.RequesterDisplayName, r.ExternalAccountHandle, r.VerifiedAt.Format("2006-01-02"))
	}
	return b.String()
}
