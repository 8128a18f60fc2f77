package permission

// Well-known permission codes.
const (
	AuctionCreate = "auction.create"
	AuctionUpdate = "auction.update"
	AuctionCancel = "auction.cancel"
	AuctionRead   = "auction.read"
	BidPlace      = "bid.place"
	BidRead       = "bid.read"
	ProfileRead   = "profile.read"
	ProfileUpdate = "profile.update"
	SessionRevoke = "session.revoke_any"
	RoleManage    = "role.manage"
)

// DefaultGrants is the baseline mapping used while the grant table is empty or unreachable.
// Keys are normalized role names.
var DefaultGrants = map[string][]string{
	"admin": {
		AuctionCreate, AuctionUpdate, AuctionCancel, AuctionRead,
		BidPlace, BidRead, ProfileRead, ProfileUpdate,
		SessionRevoke, RoleManage,
	},
	"seller": {AuctionCreate, AuctionUpdate, AuctionCancel, BidRead},
	"buyer":  {BidPlace, BidRead, AuctionRead},
	"user":   {AuctionRead, ProfileRead, ProfileUpdate},
}

func defaultsFor(defaults map[string][]string, roles []string) []string {
	var out []string
	for _, r := range roles {
		out = append(out, defaults[r]...)
	}
	return sortedSet(out)
}
