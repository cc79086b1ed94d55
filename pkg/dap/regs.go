package dap

// Debug Port registers (A[3:2]).
const (
	DPIDR    = 0x0 // read
	DPAbort  = 0x0 // write
	CtrlStat = 0x4
	Select   = 0x8
	RdBuff   = 0xC
)

// CTRL/STAT bits.
const (
	CDbgPwrUpReq = 1 << 28
	CDbgPwrUpAck = 1 << 29
	CSysPwrUpReq = 1 << 30
	CSysPwrUpAck = 1 << 31
)

// AbortClearAll clears STICKYERR, STICKYCMP, STICKYORUN and WDATAERR.
const AbortClearAll = 0x1E

// MEM-AP registers (full byte offsets; bank is bits [7:4]).
const (
	APCSW = 0x00
	APTAR = 0x04
	APDRW = 0x0C
	APIDR = 0xFC
)

// CSW value for 32-bit accesses with single auto-increment and debug
// software access enabled.
const CSWWord = 0x23000012

// TARWrap is the boundary at which TAR auto-increment is allowed to wrap.
const TARWrap = 0x400

// Cortex-M debug registers.
const (
	DHCSR = 0xE000EDF0
	DCRSR = 0xE000EDF4
	DCRDR = 0xE000EDF8
	DEMCR = 0xE000EDFC
	AIRCR = 0xE000ED0C
	CPUID = 0xE000ED00
)

// DHCSR bits.
const (
	DBGKey    = 0xA05F << 16
	CDebugEn  = 1 << 0
	CHalt     = 1 << 1
	CStep     = 1 << 2
	CMaskInts = 1 << 3
	SRegRdy   = 1 << 16
	SHalt     = 1 << 17
	SSleep    = 1 << 18
	SLockup   = 1 << 19
	SRetireSt = 1 << 24
	SResetSt  = 1 << 25
)

// AIRCR and DEMCR bits.
const (
	VectKey     = 0x05FA << 16
	SysResetReq = 1 << 2
	VCCoreReset = 1 << 0
	DEMCRTrcEna = 1 << 24
)
