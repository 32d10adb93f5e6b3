package protocol

import (
	"fmt"
	"strings"
)

// Handshake markup document builders. The server's pre-auth channel speaks
// these exact shapes; nothing here is escaped beyond what the fields need.

func VersionCheckDoc(version string) string {
	return fmt.Sprintf("<msg t='sys'><body action='verChk' r='0'><ver v='%s' /></body></msg>", version)
}

func ZoneLoginDoc(zone string) string {
	return fmt.Sprintf(
		"<msg t='sys'><body action='login' r='0'>"+
			"<login z='%s'>"+
			"<nick><![CDATA[]]></nick>"+
			"<pword><![CDATA[undefined%%en%%0]]></pword>"+
			"</login></body></msg>", zone)
}

func AutoJoinDoc() string {
	return "<msg t='sys'><body action='autoJoin' r='-1'></body></msg>"
}

var chatEscaper = strings.NewReplacer(
	"%", "&percnt;",
	`"`, "&quot;",
	"'", "&145;",
	"\n", "<br />",
	`\`, "%5C",
)

// EscapeChatText encodes characters the chat channel cannot carry verbatim,
// the separator most of all.
func EscapeChatText(s string) string {
	return chatEscaper.Replace(s)
}
