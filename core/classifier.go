package core

// namespaceTable maps a record's dotted namespace to the event variant the parser
// should parse it as. It is the sole authority for "relevant" namespaces
//: adding a new variant means adding an entry here plus the
// matching parser case.
var namespaceTable = map[string]Variant{
	"ChainDB.AddBlockEvent.AddedToCurrentChain": VariantAddedToCurrentChain,
	"ChainDB.AddBlockEvent.SwitchedToAFork":     VariantSwitchedToAFork,

	"BlockFetch.Client.CompletedBlockFetch": VariantCompletedBlockFetch,
	"BlockFetch.Client.SendFetchRequest":    VariantSendFetchRequest,

	"BlockFetch.Decision.Peers.DownloadedHeader": VariantDownloadedHeader,

	"Net.PeerSelection.Actions.StatusChanged": VariantPeerStateChange,

	"Net.ConnectionManager.Remote.DemotedToColdRemote":  VariantPeerStateChange,
	"Net.ConnectionManager.Remote.DemotedToWarmRemote":  VariantPeerStateChange,
	"Net.ConnectionManager.Remote.PromotedToWarmRemote": VariantPeerStateChange,
	"Net.ConnectionManager.Remote.PromotedToHotRemote":  VariantPeerStateChange,

	"Net.ConnectionManager.Local.DemotedToColdLocal":  VariantPeerStateChange,
	"Net.ConnectionManager.Local.DemotedToWarmLocal":  VariantPeerStateChange,
	"Net.ConnectionManager.Local.PromotedToWarmLocal": VariantPeerStateChange,
	"Net.ConnectionManager.Local.PromotedToHotLocal":  VariantPeerStateChange,

	"Net.PeerSelection.Counters": VariantPeerCounters,

	"Node.Restarted": VariantNodeRestarted,
}

// Classify maps a record's namespace to an event variant. Unknown
// namespaces return ok == false and must be dropped without error by the
// caller.
func Classify(ns string) (Variant, bool) {
	v, ok := namespaceTable[ns]
	return v, ok
}
