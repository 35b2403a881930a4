package value

import "testing"

func TestCompareCrossVariantOrder(t *testing.T) {
	// The tag order is the sort order regardless of payload: a Boolean
	// always sorts before an Int32, no matter the values involved.
	if Compare(Bool(true), Int32(0)) >= 0 {
		t.Fatal("expected Boolean to sort before Int32 regardless of value")
	}
	if Compare(Int64(1<<62), Text("")) >= 0 {
		t.Fatal("expected Int64 to sort before Text regardless of value")
	}
}

func TestCompareWithinVariant(t *testing.T) {
	cases := []struct {
		a, b Value
		want int
	}{
		{Int64(1), Int64(2), -1},
		{Int64(2), Int64(1), 1},
		{Int64(5), Int64(5), 0},
		{Text("abc"), Text("abd"), -1},
		{Text("abc"), Text("abc"), 0},
		{Float64(1.5), Float64(2.5), -1},
		{Bool(false), Bool(true), -1},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Fatalf("Compare(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestCompareFloat64NaNSortsLast(t *testing.T) {
	nan := Float64(nan())
	if Compare(nan, Float64(0)) <= 0 {
		t.Fatal("expected NaN to sort after any ordinary float")
	}
	if Compare(Float64(0), nan) >= 0 {
		t.Fatal("expected any ordinary float to sort before NaN")
	}
	if Compare(nan, nan) != 0 {
		t.Fatal("expected NaN to compare equal to itself for a total order")
	}
}

func nan() float64 {
	var f float64
	return f / f
}

func TestCompareListLexicographic(t *testing.T) {
	a := Value{kind: KindList, list: []Value{Int64(1), Int64(2)}}
	b := Value{kind: KindList, list: []Value{Int64(1), Int64(3)}}
	if Compare(a, b) >= 0 {
		t.Fatal("expected equal-length list comparison to defer to the first differing element")
	}

	shorter := Value{kind: KindList, list: []Value{Int64(1)}}
	longer := Value{kind: KindList, list: []Value{Int64(1), Int64(2)}}
	if Compare(shorter, longer) >= 0 {
		t.Fatal("expected a list that is a prefix of another to sort first")
	}
}

func TestTableSchemaValidate(t *testing.T) {
	valid := TableSchema{
		PartitionKeyCols: []ColumnDefinition{{Name: "id", DataType: KindText}},
		RegularCols:      []ColumnDefinition{{Name: "val", DataType: KindInt64}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid schema to pass, got %v", err)
	}

	noPK := TableSchema{RegularCols: []ColumnDefinition{{Name: "val", DataType: KindInt64}}}
	if err := noPK.Validate(); err == nil {
		t.Fatal("expected a schema with no partition key columns to be rejected")
	}

	staticWithoutClustering := TableSchema{
		PartitionKeyCols: []ColumnDefinition{{Name: "id", DataType: KindText}},
		StaticCols:       []ColumnDefinition{{Name: "s", DataType: KindText}},
	}
	if err := staticWithoutClustering.Validate(); err == nil {
		t.Fatal("expected static columns without a clustering key to be rejected")
	}

	dup := TableSchema{
		PartitionKeyCols: []ColumnDefinition{{Name: "id", DataType: KindText}},
		RegularCols:      []ColumnDefinition{{Name: "id", DataType: KindInt64}},
	}
	if err := dup.Validate(); err == nil {
		t.Fatal("expected a duplicate column name across sections to be rejected")
	}
}

func TestTableSchemaEncodeRoundTrip(t *testing.T) {
	s := TableSchema{
		Keyspace:          "ks",
		Name:              "events",
		PartitionKeyCols:  []ColumnDefinition{{Name: "device_id", DataType: KindText}},
		ClusteringKeyCols: []ColumnDefinition{{Name: "ts", DataType: KindTimestamp}},
		RegularCols:       []ColumnDefinition{{Name: "temp", DataType: KindFloat64}},
		StaticCols:        []ColumnDefinition{{Name: "location", DataType: KindText}},
	}
	decoded, err := DecodeTableSchema(s.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ColumnFingerprint() != s.ColumnFingerprint() {
		t.Fatal("expected decoded schema to have the same column fingerprint as the original")
	}
	if len(decoded.PartitionKeyCols) != 1 || decoded.PartitionKeyCols[0].Name != "device_id" {
		t.Fatalf("unexpected partition key columns after decode: %+v", decoded.PartitionKeyCols)
	}
	if len(decoded.StaticCols) != 1 || decoded.StaticCols[0].Name != "location" {
		t.Fatalf("unexpected static columns after decode: %+v", decoded.StaticCols)
	}
}
