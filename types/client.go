package types

// Client attribute predicates. Enrolment and the interrogate flow write
// them; foreman rules and the UI read them. Values are plain strings,
// integers in their decimal form.
const (
	ClientOSPredicate          = "metadata:os"
	ClientHostnamePredicate    = "metadata:hostname"
	ClientReleasePredicate     = "metadata:release"
	ClientOSVersionPredicate   = "metadata:os_version"
	ClientArchPredicate        = "metadata:arch"
	ClientVersionPredicate     = "metadata:client_version"
	ClientInstallTimePredicate = "metadata:install_time"
	ClientBootTimePredicate    = "metadata:boot_time"
	ClientUsernamesPredicate   = "metadata:usernames"
	ClientPingPredicate        = "metadata:ping"
)

// Enrolment predicates. The communication key authenticates every signed
// envelope from the client; first-seen records when enrolment happened.
const (
	ClientCommsKeyPredicate  = "metadata:comms_key"
	ClientFirstSeenPredicate = "metadata:first_seen"
)

// ClientLabelPrefix prefixes one predicate per label on a client
// subject. The label name is both the predicate suffix and the value.
const ClientLabelPrefix = "labels:"
