package ext2

// Device special files store their major/minor pair packed into
// i_block[0], using Linux's "new" dev_t encoding: the minor number's
// low byte in bits 0-7, the major number (12 bits) in bits 8-19, and
// the remaining minor bits (8-19 of the minor) in bits 20-31.
func packDeviceNumber(major, minor uint32) uint32 {
	return (minor & 0xff) | ((major & 0xfff) << 8) | ((minor & 0xfff00) << 12)
}

func unpackDeviceMajor(encoded uint32) uint32 {
	return (encoded >> 8) & 0xfff
}

func unpackDeviceMinor(encoded uint32) uint32 {
	return (encoded & 0xff) | ((encoded >> 12) & 0xfff00)
}

// SplitDeviceNumber unpacks a Linux-style packed dev_t (as passed to
// mknod(2)) into the major/minor pair CreateDevice wants.
func SplitDeviceNumber(dev uint64) (major, minor uint32) {
	d := uint32(dev)
	return unpackDeviceMajor(d), unpackDeviceMinor(d)
}
