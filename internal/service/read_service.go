package service

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupportedFileType = errors.New("不支持的文件类型")
	ErrInvalidEncoding     = errors.New("文件不是有效的 UTF-8 文本")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// TextReader 从文件内容中提取文本
type TextReader interface {
	Read(data []byte) (string, error)
}

type plainTextReader struct{}

func (plainTextReader) Read(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", ErrInvalidEncoding
	}
	return string(data), nil
}

// ReadService 按扩展名选择读取方式
type ReadService struct {
	readers map[string]TextReader
}

func NewReadService(allowedExtensions []string) *ReadService {
	available := map[string]TextReader{
		".txt": plainTextReader{},
		".md":  plainTextReader{},
	}

	readers := make(map[string]TextReader)
	for _, ext := range allowedExtensions {
		ext = strings.ToLower(ext)
		if r, ok := available[ext]; ok {
			readers[ext] = r
		}
	}
	if len(readers) == 0 {
		readers = available
	}
	return &ReadService{readers: readers}
}

// ReadText 读取文件文本
func (s *ReadService) ReadText(filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	reader, ok := s.readers[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}
	return reader.Read(data)
}

// Supports 是否支持该文件
func (s *ReadService) Supports(filename string) bool {
	_, ok := s.readers[strings.ToLower(filepath.Ext(filename))]
	return ok
}
