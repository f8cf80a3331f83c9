package cktap

// Card commands. Field names inside the argument and result maps are fixed
// by the protocol.
const (
	cmdStatus = "status"
	cmdCerts  = "certs"
	cmdCheck  = "check"
	cmdRead   = "read"
	cmdDerive = "derive"
	cmdDump   = "dump"
	cmdUnseal = "unseal"
	cmdNew    = "new"
	cmdSign   = "sign"
	cmdXpub   = "xpub"
	cmdBackup = "backup"
	cmdChange = "change"
	cmdWait   = "wait"
	cmdNFC    = "nfc"
)

// cmdSpec describes what the engine must do around a single command:
// whether it needs CVC auth and which argument, if any, is XORed with the
// session key before transmission.
type cmdSpec struct {
	requiresAuth bool

	// maskField is the argument masked with the freshly derived session
	// key. maskOwnLen limits the mask to the argument's own length rather
	// than the full session key.
	maskField  string
	maskOwnLen bool
}

var commandTable = map[string]cmdSpec{
	cmdStatus: {},
	cmdCerts:  {},
	cmdCheck:  {},
	cmdRead:   {},
	cmdNFC:    {},
	cmdWait:   {},

	// dump and derive take optional auth; encrypted results come back
	// only when a CVC was supplied.
	cmdDump:   {},
	cmdDerive: {},

	cmdUnseal: {requiresAuth: true},
	cmdNew:    {requiresAuth: true},
	cmdXpub:   {requiresAuth: true},
	cmdBackup: {requiresAuth: true},

	cmdSign:   {requiresAuth: true, maskField: "digest"},
	cmdChange: {requiresAuth: true, maskField: "data", maskOwnLen: true},
}
