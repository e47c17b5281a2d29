package audio

// ConvertPCM converts interleaved 16-bit little-endian PCM between formats.
// It resamples with linear interpolation, then remixes channels: mixing down
// to mono averages all channels, any other change copies source channels
// round-robin. A trailing partial frame is dropped. Identical or invalid
// formats return pcm unchanged.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from == to || from.SampleRate <= 0 || to.SampleRate <= 0 || from.Channels <= 0 || to.Channels <= 0 {
		return pcm
	}
	s := BytesToInt16(pcm)
	s = s[:len(s)/from.Channels*from.Channels]
	s = resample(s, from.Channels, from.SampleRate, to.SampleRate)
	s = remix(s, from.Channels, to.Channels)
	return Int16ToBytes(s)
}

func resample(s []int16, channels, src, dst int) []int16 {
	if src == dst {
		return s
	}
	in := len(s) / channels
	n := int(int64(in) * int64(dst) / int64(src))
	out := make([]int16, n*channels)
	step := float64(src) / float64(dst)
	for i := range n {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		k := min(j+1, in-1)
		for c := range channels {
			a, b := float64(s[j*channels+c]), float64(s[k*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

func remix(s []int16, from, to int) []int16 {
	if from == to {
		return s
	}
	frames := len(s) / from
	out := make([]int16, frames*to)
	for f := range frames {
		frame := s[f*from : (f+1)*from]
		if to == 1 {
			var sum int32
			for _, v := range frame {
				sum += int32(v)
			}
			out[f] = int16(sum / int32(from))
			continue
		}
		for c := range to {
			out[f*to+c] = frame[c%from]
		}
	}
	return out
}
