package world

import "strconv"

// Coordinates 世界中的二维位置（值类型，可直接用 == 比较）
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (c Coordinates) String() string {
	return "(" + strconv.FormatFloat(c.X, 'f', -1, 64) + "," + strconv.FormatFloat(c.Y, 'f', -1, 64) + ")"
}

// ChunkKey 区块坐标（世界坐标按区块边长整除得到）
type ChunkKey struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func (k ChunkKey) String() string {
	return strconv.FormatInt(int64(k.X), 10) + ":" + strconv.FormatInt(int64(k.Y), 10)
}

// ObjectState 区块内某个用户的最近已知位置（只读视图）
type ObjectState struct {
	ID          string      `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
}
