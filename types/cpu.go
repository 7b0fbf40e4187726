package types

const (
	cpuArch64    = 0x01000000
	cpuArch64_32 = 0x02000000
)

// CPU is a Mach-O cpu type.
type CPU uint32

const (
	CPUVax      CPU = 1
	CPU386      CPU = 7
	CPUAmd64    CPU = CPU386 | cpuArch64
	CPUArm      CPU = 12
	CPUArm64    CPU = CPUArm | cpuArch64
	CPUArm6432  CPU = CPUArm | cpuArch64_32
	CPUPpc      CPU = 18
	CPUPpc64    CPU = CPUPpc | cpuArch64
)

var cpuStrings = []IntName{
	{uint32(CPUVax), "VAX"},
	{uint32(CPU386), "i386"},
	{uint32(CPUAmd64), "x86_64"},
	{uint32(CPUArm), "ARM"},
	{uint32(CPUArm64), "ARM64"},
	{uint32(CPUArm6432), "ARM64_32"},
	{uint32(CPUPpc), "PowerPC"},
	{uint32(CPUPpc64), "PowerPC64"},
}

func (i CPU) Is64bit() bool    { return (uint32(i) & cpuArch64) != 0 }
func (i CPU) IsArm64() bool    { return i == CPUArm64 }
func (i CPU) String() string   { return StringName(uint32(i), cpuStrings, false) }
func (i CPU) GoString() string { return StringName(uint32(i), cpuStrings, true) }

// CPUSubtype is a Mach-O cpu subtype.
type CPUSubtype uint32

const (
	CPUSubtypeMask     CPUSubtype = 0x00ffffff
	CPUSubtypeFeatures CPUSubtype = 0xff000000

	CPUSubtypeArm64All CPUSubtype = 0
	CPUSubtypeArm64V8  CPUSubtype = 1
	CPUSubtypeArm64E   CPUSubtype = 2

	CPUSubtypeArmV7  CPUSubtype = 9
	CPUSubtypeArmV7S CPUSubtype = 11
	CPUSubtypeArmV7K CPUSubtype = 12

	CPUSubtypeX86All   CPUSubtype = 3
	CPUSubtypeX8664All CPUSubtype = 3
	CPUSubtypeX8664H   CPUSubtype = 8
)

func (st CPUSubtype) Masked() CPUSubtype { return st & CPUSubtypeMask }

func (st CPUSubtype) String(cpu CPU) string {
	switch cpu {
	case CPUArm64:
		switch st & CPUSubtypeMask {
		case CPUSubtypeArm64All:
			return "ARM64"
		case CPUSubtypeArm64V8:
			return "ARM64v8"
		case CPUSubtypeArm64E:
			return "ARM64e"
		}
	case CPUArm:
		switch st & CPUSubtypeMask {
		case CPUSubtypeArmV7:
			return "ARMv7"
		case CPUSubtypeArmV7S:
			return "ARMv7s"
		case CPUSubtypeArmV7K:
			return "ARMv7k"
		}
	case CPUAmd64:
		switch st & CPUSubtypeMask {
		case CPUSubtypeX8664All:
			return "x86_64"
		case CPUSubtypeX8664H:
			return "x86_64 (Haswell)"
		}
	}
	return "unknown"
}
