package protocol

// Handshake channel commands (markup documents).
const (
	CmdVersionCheck = "verChk"
	CmdVersionOK    = "apiOK"
	CmdVersionKO    = "apiKO"
	CmdZoneLogin    = "login"
	CmdZoneLoginOK  = "rlu"
	CmdAutoJoin     = "autoJoin"
	CmdJoinOK       = "joinOK"
)

// Extended channel commands.
const (
	CmdAuth            = "lli"
	CmdKeepalive       = "pin"
	CmdBigData         = "gbd"
	CmdMovements       = "gam"
	CmdMovementUpdate  = "mov"
	CmdArrival         = "atv"
	CmdAttackArrival   = "ata"
	CmdMovementRecall  = "mrc"
	CmdMovementCancel  = "mca"
	CmdCastleList      = "dcl"
	CmdPlayerInfo      = "gpi"
	CmdAllianceInfo    = "gia"
	CmdChatSend        = "acm"
	CmdChatHistory     = "acl"
)

// Status codes on extended responses. Zero is success; nonzero codes are
// server-defined.
const (
	StatusOK            = 0
	StatusLoginCooldown = 21
)
