package ingest

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("deviceMessage", func() {
	Describe("classify", func() {
		It("should treat total_chunk_count without chunk_id as metadata", func() {
			total := 12
			msg := &deviceMessage{DeviceID: "B8F862F9CFB8", ImageName: "img.jpg", TotalChunkCount: &total}
			Expect(msg.classify()).To(Equal(kindImageMeta))
		})

		It("should treat chunk_id as a chunk even when the count is present", func() {
			total, id := 12, 3
			msg := &deviceMessage{TotalChunkCount: &total, ChunkID: &id, Payload: "aGk="}
			Expect(msg.classify()).To(Equal(kindChunk))
		})

		It("should treat telemetry as a wake", func() {
			msg := &deviceMessage{Telemetry: map[string]float64{"temperature": 21.4}}
			Expect(msg.classify()).To(Equal(kindWake))
		})

		It("should mark everything else unknown", func() {
			Expect((&deviceMessage{}).classify()).To(Equal(kindUnknown))
		})
	})

	Describe("decodeDeviceMessage", func() {
		It("should decode a chunk message", func() {
			raw := []byte(`{"device_id":"B8F862F9CFB8","image_name":"img_07.jpg","chunk_id":4,"payload":"aGVsbG8="}`)
			msg, err := decodeDeviceMessage(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.classify()).To(Equal(kindChunk))
			Expect(*msg.ChunkID).To(Equal(4))
		})

		It("should reject malformed JSON", func() {
			_, err := decodeDeviceMessage([]byte(`{nope`))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("macFromTopic", func() {
		It("should extract the MAC segment", func() {
			Expect(macFromTopic("ESP32CAM/B8F862F9CFB8/data")).To(Equal("B8F862F9CFB8"))
		})

		It("should return empty for unexpected shapes", func() {
			Expect(macFromTopic("ESP32CAM/data")).To(BeEmpty())
			Expect(macFromTopic("a/b/c/d")).To(BeEmpty())
		})
	})
})
