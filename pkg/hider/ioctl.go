package hider

// ioctl request numbers follow the kernel's _IOC encoding: direction, type
// byte, sequence number, and payload size packed into one 32-bit integer.
// The payload size is part of the request number, so a driver rejects calls
// whose declared size does not match what it expects.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// ioNone encodes a request that carries no payload.
func ioNone(typ, nr uint32) uint32 {
	return ioc(iocNone, typ, nr, 0)
}

// ioWrite encodes a request whose payload is copied into the kernel.
func ioWrite(typ, nr, size uint32) uint32 {
	return ioc(iocWrite, typ, nr, size)
}

// ioRead encodes a request whose payload is filled in by the kernel.
func ioRead(typ, nr, size uint32) uint32 {
	return ioc(iocRead, typ, nr, size)
}

// iocSize extracts the payload size encoded in a request number.
func iocSize(req uint32) uint32 {
	return (req >> iocSizeShift) & (1<<iocSizeBits - 1)
}
