package state

import "fmt"

// PermissionErrType ...
type PermissionErrType uint32

const (
	// InvalidSignature ...
	InvalidSignature PermissionErrType = iota
	// AccountNotFound ...
	AccountNotFound
	// AccountDeleted ...
	AccountDeleted
	// AccountExpired ...
	AccountExpired
	// WriteDenied ...
	WriteDenied
	// ReadDenied ...
	ReadDenied
	// AdminRequired ...
	AdminRequired
	// TargetNotFound ...
	TargetNotFound
	// TargetExists ...
	TargetExists
	// TooFewRPUs ...
	TooFewRPUs
	// MalformedTransaction ...
	MalformedTransaction
)

// PermissionErr is the reason a transaction was refused. Transactions failing
// a permission check are dropped (or skipped at execution), never fatal.
type PermissionErr struct {
	PeerID  string
	ErrType PermissionErrType
}

// NewPermissionErr ...
func NewPermissionErr(errType PermissionErrType, peerID string) PermissionErr {
	return PermissionErr{
		PeerID:  peerID,
		ErrType: errType,
	}
}

// Error ...
func (r PermissionErr) Error() string {
	errMess := "Unknown Error"

	switch r.ErrType {
	case InvalidSignature:
		errMess = "Invalid Signature"
	case AccountNotFound:
		errMess = "Account Not Found"
	case AccountDeleted:
		errMess = "Account Deleted"
	case AccountExpired:
		errMess = "Account Expired"
	case WriteDenied:
		errMess = "Write Denied"
	case ReadDenied:
		errMess = "Read Denied"
	case AdminRequired:
		errMess = "Admin Required"
	case TargetNotFound:
		errMess = "Target Account Not Found"
	case TargetExists:
		errMess = "Target Account Already Exists"
	case TooFewRPUs:
		errMess = "Too Few RPUs Would Remain"
	case MalformedTransaction:
		errMess = "Malformed Transaction"
	}

	return fmt.Sprintf("%s, %s", errMess, r.PeerID)
}

// IsPermission checks that an error is of type PermissionErr and that its code
// matches.
func IsPermission(err error, errType PermissionErrType) bool {
	permErr, ok := err.(PermissionErr)
	return ok && permErr.ErrType == errType
}
