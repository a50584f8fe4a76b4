package model

import "testing"

func TestFormatRegistry_RegisterDuplicate(t *testing.T) {
	r := NewFormatRegistry()
	if err := r.Register(&Format{Name: "bam"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&Format{Name: "bam"}); err == nil {
		t.Error("expected error registering duplicate format")
	}
	if err := r.Register(&Format{}); err == nil {
		t.Error("expected error registering unnamed format")
	}
}

func TestDefaultFormats(t *testing.T) {
	r := DefaultFormats()

	reads, ok := r.Get("reads_fastq")
	if !ok {
		t.Fatal("reads_fastq not registered")
	}
	if !reads.IsMultiFile() {
		t.Error("reads_fastq should be multi-file")
	}
	if reads.DefaultExtension() != ".fq" {
		t.Errorf("DefaultExtension() = %q, want .fq", reads.DefaultExtension())
	}

	byField, ok := r.ByDesignField("genome")
	if !ok || byField.Name != "genome_fasta" {
		t.Errorf("ByDesignField(genome) = %v, %v", byField, ok)
	}

	desc, _ := r.Get("genome_desc_txt")
	if desc.Generator == nil || desc.Generator.Module != "shell" {
		t.Errorf("genome_desc_txt generator = %+v, want shell module", desc.Generator)
	}

	formats := r.Formats()
	for i := 1; i < len(formats); i++ {
		if formats[i-1].Name > formats[i].Name {
			t.Errorf("Formats() not sorted: %s before %s", formats[i-1].Name, formats[i].Name)
		}
	}
}

func TestFormat_FilePrefix(t *testing.T) {
	if got := (&Format{Name: "mapper_index"}).FilePrefix(); got != "mapperindex" {
		t.Errorf("FilePrefix() = %q, want mapperindex", got)
	}
	if got := (&Format{Name: "x", Prefix: "reads"}).FilePrefix(); got != "reads" {
		t.Errorf("FilePrefix() = %q, want reads", got)
	}
	if got := (&Format{Name: "x"}).DefaultExtension(); got != ".data" {
		t.Errorf("DefaultExtension() = %q, want .data", got)
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		input string
		want  Compression
		ext   string
		err   bool
	}{
		{"", CompressionNone, "", false},
		{"gzip", CompressionGzip, ".gz", false},
		{"BZ2", CompressionBzip2, ".bz2", false},
		{"zstd", "", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.input)
		if (err != nil) != tt.err {
			t.Errorf("ParseCompression(%q) error = %v, want error %v", tt.input, err, tt.err)
			continue
		}
		if got != tt.want || got.Extension() != tt.ext {
			t.Errorf("ParseCompression(%q) = %q (%q), want %q (%q)", tt.input, got, got.Extension(), tt.want, tt.ext)
		}
	}
}

func TestParameters(t *testing.T) {
	ps := FromMap(map[string]string{"output.sam": "mapper_results_sam", "input.reads": "reads_fastq", "threads": "4"})
	if ps[0].Name != "input.reads" {
		t.Errorf("FromMap not sorted: %v", ps)
	}
	if v, ok := ps.Get("threads"); !ok || v != "4" {
		t.Errorf("Get(threads) = %q, %v", v, ok)
	}
	n, err := Parameter{Name: "threads", Value: " 4 "}.Int()
	if err != nil || n != 4 {
		t.Errorf("Int() = %d, %v", n, err)
	}
	if _, err := (Parameter{Name: "x", Value: "yes?"}).Bool(); err == nil {
		t.Error("expected Bool() error")
	}
	inputs := ps.WithPrefix("input.")
	if len(inputs) != 1 || inputs[0].Name != "reads" {
		t.Errorf("WithPrefix(input.) = %v", inputs)
	}
}
