package cache

import (
	"fmt"
	"strconv"
)

// 键语义：
// - roomKey(docID):           房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):          房间内 userId→username 映射（Hash）
// - cursorKey(docID, userID): 该用户最新光标/选区 JSON（String + TTL）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<userId -> username>
	keyCursorFmt = "presence:cursor:%s:%s"          // String(JSON)
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, docID, strconv.FormatUint(userID, 10))
}
