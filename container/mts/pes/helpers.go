/*
DESCRIPTIONS
  helpers.go provides PES stream ID helpers.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package pes

// Stream ID ranges as per ITU-T Rec. H.222.0 / ISO/IEC 13818-1, table 2-22.
const (
	AudioSID = 0xc0 // First of the 32 MPEG audio stream IDs.
	VideoSID = 0xe0 // First of the 16 MPEG video stream IDs.
)

// IsVideoSID reports whether id is an MPEG video stream ID.
func IsVideoSID(id uint) bool { return id&0xf0 == VideoSID }

// IsAudioSID reports whether id is an MPEG audio stream ID.
func IsAudioSID(id uint) bool { return id&0xe0 == AudioSID }
