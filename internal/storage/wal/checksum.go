package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 範圍：整個事件的 JSON（Checksum 欄位歸零），
// 任何欄位被竄改或截斷都會被偵測到。
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	// 結構體欄位順序固定，json.Marshal 的輸出是確定的
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.Checksum(data, castagnoli)
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
