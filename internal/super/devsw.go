package super

// Device is the per-major read/write pair the inode layer dispatches to for
// T_DEV inodes, matching the original kernel's struct devsw.
type Device interface {
	Read(dst []byte) (int, error)
	Write(src []byte) (int, error)
}

// DevSwitch is the device-switch table, indexed by dinode Major number.
// A nil entry means "no device installed at this major."
type DevSwitch [NDevMajors]Device

// NDevMajors bounds the number of device majors the switch table holds.
const NDevMajors = 10

// NullDevice is a loopback device: reads report EOF (0, nil), writes
// discard their input and report success. It exists so Readi/Writei on a
// T_DEV inode are exercisable without a real console driver, which is an
// out-of-scope external collaborator per the spec.
type NullDevice struct{}

func (NullDevice) Read(_ []byte) (int, error)       { return 0, nil }
func (NullDevice) Write(src []byte) (int, error) { return len(src), nil }
