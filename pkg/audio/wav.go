package audio

import "encoding/binary"

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
// Batch transcription endpoints accept WAV but not headerless PCM.
func EncodeWAV(pcm []byte, f Format) []byte {
	channels := max(f.Channels, 1)
	dataLen := len(pcm) &^ 1
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.SampleRate*channels*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))             // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                             // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	copy(buf[44:], pcm[:dataLen])

	return buf
}
