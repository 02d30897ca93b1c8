package embedding

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
)

// recordingModel 记录每次调用的批大小，向量第 0 维为输入序号
type recordingModel struct {
	dim     int
	calls   atomic.Int32
	batches [][]int
	failOn  int // 第 n 次调用失败，0 表示不失败
	short   bool
}

func (m *recordingModel) Name() string    { return "recording" }
func (m *recordingModel) Dimensions() int { return m.dim }

func (m *recordingModel) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	n := int(m.calls.Add(1))
	if m.failOn == n {
		return nil, errors.New("model exploded")
	}
	ids := make([]int, len(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var id int
		for _, r := range t {
			id = id*10 + int(r-'0')
		}
		ids[i] = id
		vec := make([]float32, m.dim)
		vec[0] = float32(id + 1)
		vec[1] = 3
		out[i] = vec
	}
	m.batches = append(m.batches, ids)
	if m.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (m *recordingModel) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	texts := make([]string, len(images))
	for i, img := range images {
		texts[i] = string(img)
	}
	return m.EmbedTexts(ctx, texts)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	s := ""
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}

func TestEncodePreservesOrderAcrossBatches(t *testing.T) {
	m := &recordingModel{dim: 4}
	e := NewEngine(m, 3)

	inputs := make([]string, 10)
	for i := range inputs {
		inputs[i] = itoa(i)
	}
	vecs := e.EncodeTexts(context.Background(), inputs)
	if len(vecs) != len(inputs) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(inputs))
	}
	if len(m.batches) != 4 {
		t.Fatalf("expected 4 batches of <=3, got %v", m.batches)
	}

	// 第 0 维按输入序号单调递增（归一化后仍保持顺序）
	for i := 1; i < len(vecs); i++ {
		if vecs[i][0] <= vecs[i-1][0] {
			t.Errorf("order broken at %d: %v <= %v", i, vecs[i][0], vecs[i-1][0])
		}
	}
	for i, v := range vecs {
		if math.Abs(v.Norm()-1) > 1e-5 {
			t.Errorf("vector %d norm = %v", i, v.Norm())
		}
	}
}

func TestEncodeEmptyInputSkipsModel(t *testing.T) {
	m := &recordingModel{dim: 4}
	e := NewEngine(m, 8)
	if got := e.EncodeTexts(context.Background(), nil); len(got) != 0 {
		t.Fatalf("expected empty, got %d", len(got))
	}
	if got := e.EncodeImages(context.Background(), [][]byte{}); len(got) != 0 {
		t.Fatalf("expected empty, got %d", len(got))
	}
	if m.calls.Load() != 0 {
		t.Fatalf("model should not be called, got %d calls", m.calls.Load())
	}
}

func TestEncodeFailureReturnsEmptyForWholeBatch(t *testing.T) {
	m := &recordingModel{dim: 4, failOn: 2}
	e := NewEngine(m, 2)
	got := e.EncodeTexts(context.Background(), []string{"1", "2", "3", "4", "5"})
	if len(got) != 0 {
		t.Fatalf("expected empty result after model failure, got %d", len(got))
	}
}

func TestEncodeCountMismatchIsFailure(t *testing.T) {
	e := NewEngine(&recordingModel{dim: 4, short: true}, 8)
	if got := e.EncodeTexts(context.Background(), []string{"1", "2"}); len(got) != 0 {
		t.Fatalf("expected empty result on count mismatch, got %d", len(got))
	}
}

func TestEncodeWrongDimensionIsFailure(t *testing.T) {
	m := &wrongDimModel{}
	e := NewEngine(m, 8)
	if got := e.EncodeImages(context.Background(), [][]byte{{1}}); len(got) != 0 {
		t.Fatalf("expected empty result on dimension mismatch, got %d", len(got))
	}
}

type wrongDimModel struct{}

func (wrongDimModel) Name() string    { return "wrong" }
func (wrongDimModel) Dimensions() int { return 8 }
func (wrongDimModel) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{{1, 2, 3}}, nil
}
func (wrongDimModel) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	return [][]float32{{1, 2, 3}}, nil
}

// fixedModel 对每个输入返回同一个向量
type fixedModel struct{ vec []float32 }

func (m fixedModel) Name() string    { return "fixed" }
func (m fixedModel) Dimensions() int { return len(m.vec) }
func (m fixedModel) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32(nil), m.vec...)
	}
	return out, nil
}
func (m fixedModel) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	return m.EmbedTexts(ctx, make([]string, len(images)))
}

func TestEncodeRejectsVectorsThatCannotBeNormalised(t *testing.T) {
	nan := float32(math.NaN())
	cases := []struct {
		name string
		vec  []float32
	}{
		{"zero", []float32{0, 0, 0, 0}},
		{"nan", []float32{1, nan, 0, 0}},
		{"inf", []float32{float32(math.Inf(1)), 0, 0, 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := NewEngine(fixedModel{vec: c.vec}, 0)
			if got := e.EncodeTexts(context.Background(), []string{"a", "b"}); len(got) != 0 {
				t.Fatalf("expected empty result, got %v", got)
			}
			if got := e.EncodeImages(context.Background(), [][]byte{{1}}); len(got) != 0 {
				t.Fatalf("expected empty image result, got %v", got)
			}
		})
	}

	e := NewEngine(fixedModel{vec: []float32{3, 4, 0, 0}}, 0)
	got := e.EncodeTexts(context.Background(), []string{"a"})
	if len(got) != 1 || math.Abs(got[0].Norm()-1) > 1e-6 {
		t.Fatalf("valid vector should be normalised, got %v", got)
	}
}

func TestHashModelNeverReturnsZeroVector(t *testing.T) {
	m := NewHashModel(2)
	texts := []string{"alpha beta", "gamma delta", "one two three four", "x y", "silence"}
	vecs, err := m.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if isZero(v) {
			t.Errorf("text %q hashed to zero vector", texts[i])
		}
	}
}

func TestHashModelDeterministicAndNormalised(t *testing.T) {
	e := NewEngine(NewHashModel(64), 0)
	a := e.EncodeTexts(context.Background(), []string{"a dog on the beach", "silence"})
	b := e.EncodeTexts(context.Background(), []string{"a dog on the beach", "silence"})
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("unexpected lengths %d %d", len(a), len(b))
	}
	for i := range a {
		if math.Abs(a[i].Dot(b[i])-1) > 1e-5 {
			t.Errorf("hash embedding %d not deterministic", i)
		}
	}
	imgs := e.EncodeImages(context.Background(), [][]byte{{1, 2, 3}, {}})
	if len(imgs) != 2 || len(imgs[0]) != 64 {
		t.Fatalf("unexpected image vectors %v", imgs)
	}
	for _, v := range append(a, imgs...) {
		if math.Abs(v.Norm()-1) > 1e-5 {
			t.Errorf("norm = %v", v.Norm())
		}
	}
}
