// Package audit records security events: sign-ins and their failures, one-time
// code sends and checks, passkey registration and clone warnings, logouts,
// sysadmin re-verification and access denials.
//
// # Usage
//
// Services hold a Logger and record through the helpers, which fill in the
// request id, caller and client address from the context:
//
//	audit.LogSuccess(ctx, auditLogger, audit.EventTypeLogin, user.ID, user.Email, "google")
//
// Recording never fails the audited action; delivery errors are written to
// the application log instead.
//
// # Drivers
//
// DBLogger writes to the audit_logs table. LogLogger writes structured log
// lines. MultiLogger fans out to several.
//
// # Retention
//
// DBStore.Cleanup deletes rows older than the policy's RetentionDays
// (default 90). With an Archiver, such as S3Archiver, expired rows are
// uploaded as gzip NDJSON before they are removed.
package audit
