package StreamDecoder

import "strings"

// Delimiter 记录分隔符
const Delimiter = '\n'

// Fragment Feed 输出的片段
// Complete 为 false 表示这是块末尾未结束的残片，已被 Splitter 留存
type Fragment struct {
	Text     string
	Complete bool
}

// Splitter 把任意切分的字节流还原成按行的记录
// 上一块末尾的残片会和下一块的第一段拼接后再报告为完整记录，
// 所以无论 TCP 怎么分包，拼出来的记录序列都是一样的。
type Splitter struct {
	residue strings.Builder
}

// Feed 输入一块数据，返回其中的片段
// 最后一段如果没有分隔符，以 Complete=false 返回并保留到下一次
func (s *Splitter) Feed(chunk []byte) []Fragment {
	var out []Fragment
	data := string(chunk)

	for {
		i := strings.IndexByte(data, Delimiter)
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]

		if s.residue.Len() > 0 {
			s.residue.WriteString(line)
			line = s.residue.String()
			s.residue.Reset()
		}
		out = append(out, Fragment{Text: line, Complete: true})
	}

	if len(data) > 0 {
		s.residue.WriteString(data)
		out = append(out, Fragment{Text: data, Complete: false})
	}
	return out
}

// Residue 当前保留的未完成数据
func (s *Splitter) Residue() string {
	return s.residue.String()
}

// Reset 丢弃残片
func (s *Splitter) Reset() {
	s.residue.Reset()
}

// Complete 只取完整记录
func Complete(frags []Fragment) []string {
	var out []string
	for _, f := range frags {
		if f.Complete {
			out = append(out, f.Text)
		}
	}
	return out
}
