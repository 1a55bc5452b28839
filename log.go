package detour

import "github.com/tliron/commonlog"

// log receives soft failures as warnings and patch activity as debug
// messages. The host program picks the backend, e.g. by importing
// github.com/tliron/commonlog/simple and calling commonlog.Configure.
var log = commonlog.GetLogger("detour")
