package tcpserver

// TCPServerSession is implemented by each connection session. The server
// creates one per accepted connection and runs Handle in its own goroutine;
// the session owns the connection from then on.
type TCPServerSession interface {
	// ID returns the identifier assigned by the server.
	ID() uint64

	// Handle serves the connection until it is finished and must release
	// everything the session opened before returning.
	Handle()

	// Close forcibly tears the session down, making Handle return soon. It
	// must be safe to call multiple times and concurrently with Handle.
	//
	// Returns:
	//   - An error if closing failed
	Close() error
}
