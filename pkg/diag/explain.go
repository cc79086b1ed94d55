package diag

import "github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"

// DownloadURL is where SEGGER publishes the J-Link software pack.
const DownloadURL = "https://www.segger.com/downloads/jlink/"

var advice = map[proberr.Kind]string{
	proberr.DriverMissing: "The J-Link driver library was not found. Install the J-Link Software and " +
		"Documentation Pack from " + DownloadURL + " or point JLINK_PATH at its directory.",
	proberr.DriverIncompatible: "The installed J-Link library is too old or incomplete. Update it from " + DownloadURL + ".",
	proberr.NotFound:           "No probe matches the requested id. Run `otprobe interfaces` to list attached probes.",
	proberr.Busy:               "The probe is held by another program or session. Close it and try again.",
	proberr.Timeout:            "The probe did not answer in time. Check the cable and lower the clock.",
	proberr.LinkError:          "The connection to the probe failed. Reconnect it and open a new session.",
	proberr.HandshakeFailed:    "The probe did not complete the CMSIS-DAP handshake. Check its firmware and the selected port.",
	proberr.VersionUnsupported: "The probe firmware version is not supported. Update the probe firmware.",
	proberr.AlreadyOpen:        "A session is already open on this connection.",
	proberr.SessionBusy:        "A programming job is running on this session. Wait for it or abort it.",
	proberr.SessionClosed:      "The session is closed. Open a new one.",
	proberr.InvalidStateTransition: "The target is not in a state that allows this operation. " +
		"Check `otprobe info` for its state.",
	proberr.NotConnected:         "The target is not connected. Check power and the SWD wiring.",
	proberr.NotInProgrammingMode: "Halt the target and enter programming mode first.",
	proberr.EraseFailed:          "Flash erase failed. The device may be protected; try a full erase.",
	proberr.WriteFailed:          "Flash write failed. Check target power.",
	proberr.VerifyMismatch:       "Flash contents differ from the image after retries. The sector may be worn or protected.",
	proberr.Aborted:              "Programming was aborted. Sectors already committed keep their new contents.",
	proberr.InvalidJob:           "The image does not fit the device flash layout.",
}

// Explain returns guidance for err, or "" when there is none.
func Explain(err error) string {
	if err == nil {
		return ""
	}
	return advice[proberr.KindOf(err)]
}
